package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"growhouse-go/decode"
	"growhouse-go/drivers/canbus"
)

// canReadTimeout bounds one bus read so shutdown stays responsive on a
// quiet bus.
const canReadTimeout = time.Second

// canHardErrLimit is the consecutive read failures that escalate to a
// producer restart, which reopens the socket.
const canHardErrLimit = 5

// runCAN reads frames until ctx ends or the bus becomes unusable.
func (s *Service) runCAN(ctx context.Context) error {
	src := s.frames
	if src == nil {
		r, err := canbus.New(ctx, s.config().Hardware.CANInterface)
		if err != nil {
			return fmt.Errorf("ingest: can open: %w", err)
		}
		defer r.Close()
		src = r
	}

	dec := decode.New(decode.Options{Fallback: s.config().Hardware.UnknownZone}, s.log)
	s.log.Info().Str("interface", s.config().Hardware.CANInterface).Msg("can producer running")

	hardErrs := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		frame, ok, err := src.ReadFrame(canReadTimeout)
		if err != nil {
			hardErrs++
			s.log.Error().Err(err).Int("consecutive", hardErrs).Msg("can read failed")
			if errors.Is(err, canbus.ErrLinkDown) || hardErrs >= canHardErrLimit {
				return fmt.Errorf("ingest: can bus unusable: %w", err)
			}
			continue
		}
		hardErrs = 0
		if !ok {
			continue
		}
		s.handleFrame(ctx, dec, frame)
	}
}

// handleFrame fans one frame out to the cache, the event stream, the
// bus, and the store. Heartbeat frames are logged and dropped.
func (s *Service) handleFrame(ctx context.Context, dec *decode.Decoder, f canbus.Frame) {
	ts := time.Now()
	res, err := dec.Decode(f.ID, f.Data, ts)
	if err != nil {
		s.met.FramesDiscarded.WithLabelValues("malformed").Inc()
		s.log.Debug().Err(err).Uint32("id", f.ID).Msg("frame discarded")
		return
	}
	s.met.FramesDecoded.WithLabelValues(res.Type.String()).Inc()

	if res.Type == decode.MsgHeartbeat {
		s.log.Debug().Int("node", res.Node).Dur("uptime", res.Uptime).Msg("node heartbeat")
		return
	}
	if len(res.Readings) == 0 {
		return
	}

	s.publishReadings(ctx, res.Zone, res.Readings, true)

	if err := s.cache.AppendCAN(ctx, ts, f.ID, f.Data, res.Readings); err != nil {
		s.log.Warn().Err(err).Msg("event append failed")
	} else {
		s.met.EventAppends.Inc()
	}

	device := fmt.Sprintf("can_node_%d", res.Node)
	s.persistReadings(ctx, res.Zone.Location, res.Zone.Cluster, device, "sensor_node", res.Readings)
}
