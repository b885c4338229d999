package server

// FrameAdmitter decides which received frames join the next batch. The
// optical-flow disparity check the capture rig runs lives outside this
// module; sessions only consume the interface.
type FrameAdmitter interface {
	Admit(frameID int) bool
}

// AdmitAll admits every frame.
type AdmitAll struct{}

// Admit always returns true.
func (AdmitAll) Admit(int) bool { return true }

// StrideAdmitter admits every nth frame, counting from frame zero.
type StrideAdmitter struct {
	Stride int
}

// Admit returns true for frame ids divisible by the stride. A stride of
// one or less admits everything.
func (a StrideAdmitter) Admit(frameID int) bool {
	if a.Stride <= 1 {
		return true
	}
	return frameID%a.Stride == 0
}
