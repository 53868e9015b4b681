package download

// Delegate receives an engine's notifications and answers its questions
// about the host. Every method is called from the engine's control
// goroutine, so implementations must not block for long.
type Delegate interface {
	OnProgress(written, total int64)
	// OnPreFinish is called once, just before the staging file is moved to path.
	OnPreFinish(path string)
	// OnFinish is called once with the path the data ended up at.
	OnFinish(path string)
	// OnFail is called once with the terminal reason.
	OnFail(reason FailReason)

	// HasOtherReferenceTo reports whether something else in the host uses path.
	HasOtherReferenceTo(path string) bool
	// IsLocallyCreatedFile reports whether path was produced on this machine
	// rather than downloaded.
	IsLocallyCreatedFile(path string) bool
}

// NopDelegate ignores notifications and answers "no" to both queries.
// Embed it to implement only the methods you need.
type NopDelegate struct{}

func (NopDelegate) OnProgress(int64, int64) {}
func (NopDelegate) OnPreFinish(string) {}
func (NopDelegate) OnFinish(string) {}
func (NopDelegate) OnFail(FailReason) {}
func (NopDelegate) HasOtherReferenceTo(string) bool { return false }
func (NopDelegate) IsLocallyCreatedFile(string) bool { return false }

var _ Delegate = NopDelegate{}
