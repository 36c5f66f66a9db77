package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this after closing a [Stream] whose remaining frames are no longer
// wanted so the driver goroutine feeding the channel can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
