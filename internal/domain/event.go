package domain

import "time"

// Operation names a coordinator or provisioner entry point.
type Operation string

const (
	OpCreate      Operation = "create"
	OpRedeploy    Operation = "redeploy"
	OpDestroy     Operation = "destroy"
	OpProvision   Operation = "provision"
	OpDeprovision Operation = "deprovision"
	OpReconcile   Operation = "reconcile"
)

// DeploymentEvent reports progress of an operation on a project.
type DeploymentEvent struct {
	Project   string    `json:"project"`
	Operation Operation `json:"operation"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
