package runtime

import "time"

// drainTicker discards a pending tick so a Reset starts a clean period.
func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}

// watchInterval forwards interval changes into signal, storing the latest
// value in current. Non-positive values fall back to fallback.
func watchInterval(done <-chan struct{}, updates <-chan time.Duration, fallback time.Duration, current *durationValue, signal chan<- struct{}) {
	for {
		select {
		case <-done:
			return
		case d := <-updates:
			if d <= 0 {
				d = fallback
			}
			current.Store(d)
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}
}
