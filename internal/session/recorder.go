package session

import "time"

// Recorder はセッション関連のメトリクスを記録するインターフェース。
// metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionEvent(kind string)
	RecordRedirect(target string)
	RecordSignIn(provider, result string)
	RecordSignOut(result string)
	RecordSessionResolved(elapsed time.Duration)
	RecordReadyTimeout()
}

type noopRecorder struct{}

func (noopRecorder) RecordSessionEvent(string) {}
func (noopRecorder) RecordRedirect(string) {}
func (noopRecorder) RecordSignIn(string, string) {}
func (noopRecorder) RecordSignOut(string) {}
func (noopRecorder) RecordSessionResolved(time.Duration) {}
func (noopRecorder) RecordReadyTimeout() {}
