package piproxy

import (
	"context"
	"time"
)

// warmupLoop refreshes every endpoint that has been fetched at least once, so
// popular entries are renewed before a client finds them stale. Failed
// refreshes leave the existing entry untouched.
func (s *Service) warmupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			for _, endpoint := range s.cache.Endpoints() {
				select {
				case <-s.stopCh:
					return
				default:
				}
				s.warmEndpoint(endpoint)
			}
		}
	}
}

func (s *Service) warmEndpoint(endpoint EndpointName) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := s.resolver.Refresh(ctx, endpoint); err != nil {
			s.logger.Warn("warmup refresh failed", "endpoint", endpoint, "error", err.Error())
			return
		}
		s.logger.Debug("warmup refreshed", "endpoint", endpoint)
	}()
}
