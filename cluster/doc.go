// Package cluster provides leader election for work that must run on one
// instance at a time, such as polling the call source.
//
// Delivery itself needs no coordination: instances join the same consumer
// group on the bus and compete for messages. Only singleton duties go
// through an Elector, which holds a renewable lease in a Store. The
// cluster/k8s sub-package implements the Store on Kubernetes Leases.
package cluster
