package broker

import (
	"errors"
	"fmt"

	"github.com/meshgrid/confbroker/internal/wire"
)

// runReconcile drives the device toward its stored configuration. Each
// heartbeat triggers one pass; the task exits once a pass converges (nothing
// left to start, or every start succeeded). Failed starts are not retried
// within a pass; the next heartbeat drives the next attempt.
func (s *Session) runReconcile(ch <-chan *wire.HeartbeatRequest, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case req, ok := <-ch:
			if !ok {
				return
			}
			if req.MachineID == nil {
				continue
			}
			converged, err := s.reconcileOnce(req)
			if err != nil {
				if errors.Is(err, ErrShutdown) || errors.Is(err, ErrOrganizationNotFound) {
					return
				}
				s.log.Warn("reconcile pass failed", "device_id", *req.MachineID, "error", err)
				continue
			}
			if converged {
				return
			}
		}
	}
}

// reconcileOnce starts every enabled stored instance the device did not
// declare as running in req. Reports whether the device has converged.
func (s *Session) reconcileOnce(req *wire.HeartbeatRequest) (bool, error) {
	if _, ok := s.idx.Acquire(); !ok {
		return false, ErrShutdown
	}

	exists, err := s.store.OrganizationExists(s.ctx, req.UserToken)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if !exists {
		// Organization deleted mid-session.
		return false, fmt.Errorf("%w: %s", ErrOrganizationNotFound, req.UserToken)
	}

	rows, err := s.store.ListEnabledInstances(s.ctx, req.UserToken, *req.MachineID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	converged := true
	client := s.Client()
	for _, d := range rows {
		if !d.Status.Approved() || d.NetworkInstanceID == nil {
			continue
		}
		instID := *d.NetworkInstanceID
		if req.RunningInstance(instID) {
			continue
		}

		reconcileStarts.Inc()
		var resp wire.RunNetworkInstanceResponse
		err := client.Call(s.ctx, wire.MethodRunNetworkInstance, &wire.RunNetworkInstanceRequest{
			InstID: &instID,
			Config: wire.NetworkConfig(d.NetworkConfig),
		}, &resp)
		if err != nil {
			reconcileErrors.Inc()
			s.log.Warn("failed to start network instance",
				"device_id", *req.MachineID, "inst_id", instID, "error", err)
			converged = false
			continue
		}
		s.log.Info("started network instance",
			"device_id", *req.MachineID, "inst_id", instID)
	}
	return converged, nil
}
