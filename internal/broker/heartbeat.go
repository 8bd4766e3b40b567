package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshgrid/confbroker/internal/index"
	"github.com/meshgrid/confbroker/internal/store"
	"github.com/meshgrid/confbroker/internal/wire"
)

// nextStatus computes the status a heartbeat moves an existing device to.
// Rejected devices demote to pending re-review: the reconnect is evidence
// the device is trying again. Offline devices were demoted by the sweeper,
// so a heartbeat restores them. Every other status is an admin or operator
// decision and is preserved.
func nextStatus(cur store.DeviceStatus) store.DeviceStatus {
	switch cur {
	case store.StatusRejected:
		return store.StatusPending
	case store.StatusOffline:
		return store.StatusOnline
	default:
		return cur
	}
}

// handleHeartbeat is the single inbound method served to devices.
func (s *Session) handleHeartbeat(ctx context.Context, body json.RawMessage) (any, error) {
	heartbeatOps.Inc()

	var req wire.HeartbeatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		heartbeatErrors.Inc()
		return nil, fmt.Errorf("%w: decode heartbeat: %v", ErrInvalidRequest, err)
	}

	// The index is gone only during broker teardown; reply success without
	// touching any state, the tunnel closes shortly.
	idx, ok := s.idx.Acquire()
	if !ok {
		return wire.HeartbeatResponse{}, nil
	}

	if req.MachineID == nil {
		heartbeatErrors.Inc()
		return nil, fmt.Errorf("%w: device id not set", ErrInvalidRequest)
	}
	deviceID, err := uuid.Parse(*req.MachineID)
	if err != nil {
		heartbeatErrors.Inc()
		return nil, fmt.Errorf("%w: bad device id %q", ErrInvalidRequest, *req.MachineID)
	}

	exists, err := s.store.OrganizationExists(ctx, req.UserToken)
	if err != nil {
		heartbeatErrors.Inc()
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if !exists {
		heartbeatErrors.Inc()
		return nil, fmt.Errorf("%w: %s", ErrOrganizationNotFound, req.UserToken)
	}

	now := s.clock.Now().UTC()
	st := index.StorageToken{
		Token:          req.UserToken,
		ClientURL:      s.clientURL,
		DeviceID:       deviceID,
		OrganizationID: req.UserToken,
	}
	// Unconditional per heartbeat. The session lives only as long as the
	// tunnel, so the entry is refreshed while the client is connected.
	idx.Update(st, now.Unix())

	d, err := s.store.GetDevice(ctx, req.UserToken, *req.MachineID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		orgID := req.UserToken
		hb := now
		if err := s.store.InsertDevice(ctx, &store.Device{
			ID:             *req.MachineID,
			OrganizationID: &orgID,
			Name:           req.Hostname,
			SerialNumber:   req.Hostname,
			DeviceType:     store.DeviceTypeRobot,
			Status:         store.StatusPending,
			LastHeartbeat:  &hb,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			heartbeatErrors.Inc()
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		s.log.Info("registered new device pending review",
			"device_id", *req.MachineID, "organization_id", req.UserToken, "hostname", req.Hostname)

	case err != nil:
		heartbeatErrors.Inc()
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)

	default:
		next := nextStatus(d.Status)
		if err := s.store.TouchHeartbeat(ctx, d.ID, next, now); err != nil {
			heartbeatErrors.Inc()
			return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		if next != d.Status {
			s.log.Info("device status changed on heartbeat",
				"device_id", d.ID, "from", string(d.Status), "to", string(next))
		}
	}

	s.data.bind(&req, st)
	s.topic.Publish(&req)
	return wire.HeartbeatResponse{}, nil
}
