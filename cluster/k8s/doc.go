// Package k8s implements cluster.Store on the coordination/v1 Lease API.
//
// Example:
//
//	cfg, _ := rest.InClusterConfig()
//	client := kubernetes.NewForConfigOrDie(cfg)
//	leases := k8s.New(client, "telephony")
//	elector := cluster.NewElector(leases, hostname)
package k8s
