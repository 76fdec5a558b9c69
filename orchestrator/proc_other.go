//go:build !linux

package orchestrator

// liveChildren is a no-op where no portable process-tree enumeration exists;
// the task registry remains the only kill source.
func liveChildren() []int {
	return nil
}
