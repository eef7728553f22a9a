package domain

import "time"

// DeploymentState is the persisted lifecycle state of a project's deployment.
// A project without a catalog row is absent.
type DeploymentState string

const (
	StateAbsent      DeploymentState = "absent"
	StateDeploying   DeploymentState = "deploying"
	StateRunning     DeploymentState = "running"
	StateTerminating DeploymentState = "terminating"
	// StateFailed marks an attempt abandoned mid-flight. It can be retried.
	StateFailed DeploymentState = "failed"
)

// Valid reports whether s is a persisted state.
func (s DeploymentState) Valid() bool {
	switch s {
	case StateDeploying, StateRunning, StateTerminating, StateFailed:
		return true
	}
	return false
}

// Project is the catalog record of a deployed application.
type Project struct {
	ID                  int64
	Name                string
	Owner               string
	Participants        []string
	Source              Source
	ContainerName       string
	DeployedImageTag    string
	DeployedImageDigest string
	// EnvVars maps variable names to vault ciphertext.
	EnvVars              map[string][]byte
	PersistentVolumePath string
	VolumeName           string
	State                DeploymentState
	StateChangedAt       time.Time
	CreatedAt            time.Time
}

// Committed reports whether a deployment has been recorded for the project.
func (p Project) Committed() bool {
	return p.DeployedImageDigest != ""
}

// CanAccess reports whether login is the owner or a participant.
func (p Project) CanAccess(login string) bool {
	if login == p.Owner {
		return true
	}
	for _, participant := range p.Participants {
		if participant == login {
			return true
		}
	}
	return false
}

// Artifact is a runnable image produced by the builder.
type Artifact struct {
	Tag    string
	Digest string
	// Built is true when this attempt created Tag and owns its removal.
	Built bool
}
