package domain

// Stage labels in pipeline order. StageFailed is the absorbing alternate terminal.
const (
	StageIdle          = "idle"
	StageDockerBuild   = "Docker Build"
	StageECRPush       = "ECR Push"
	StageECSDeployment = "ECS Deployment"
	StageBlueGreen     = "Blue/Green"
	StageCompleted     = "Completed"
	StageFailed        = "Failed"
)

// StageLabel maps a pipeline stage number to its label. Numbers below one
// have no label.
func StageLabel(n int) (string, bool) {
	switch {
	case n < 1:
		return "", false
	case n == 1:
		return StageDockerBuild, true
	case n == 2:
		return StageECRPush, true
	case n == 3:
		return StageECSDeployment, true
	default:
		return StageBlueGreen, true
	}
}

// StagePending reports whether no pipeline stage has been observed yet.
func StagePending(label string) bool {
	return label == "" || label == StageIdle
}
