package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/meshgrid/confbroker/internal/geoip"
	"github.com/meshgrid/confbroker/internal/store"
	"github.com/meshgrid/confbroker/internal/wire"
)

// ManagementAPI is the request-scoped surface used by the upper control
// plane. Every operation locates the device's live session through the
// client index before issuing RPCs on its tunnel.
type ManagementAPI struct {
	log   *slog.Logger
	b     *Broker
	store Store
	clock clockwork.Clock

	// harvest runs fire-and-forget virtual-IP collection after instance
	// starts; batch serializes batch operations.
	harvest pond.Pool
	batch   pond.ResultPool[BatchResult]
}

func NewManagementAPI(b *Broker) *ManagementAPI {
	return &ManagementAPI{
		log:     b.log,
		b:       b,
		store:   b.store,
		clock:   b.clock,
		harvest: pond.NewPool(harvestWorkers),
		batch:   pond.NewResultPool[BatchResult](1),
	}
}

// Close drains the pools. Pending harvests run to completion.
func (m *ManagementAPI) Close() {
	m.harvest.StopAndWait()
	m.batch.StopAndWait()
}

// locate resolves (organization, device) to the live session bound to it.
func (m *ManagementAPI) locate(organizationID, deviceID string) (*Session, error) {
	id, err := uuid.Parse(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad device id %q", ErrInvalidRequest, deviceID)
	}
	u, ok := m.b.Index().GetURL(organizationID, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, organizationID, deviceID)
	}
	sess, ok := m.b.Session(u.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, organizationID, deviceID)
	}
	if sess.Data().Token() == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotReady, organizationID, deviceID)
	}
	return sess, nil
}

// ValidateConfig forwards the config to the device and returns its verdict
// verbatim.
func (m *ManagementAPI) ValidateConfig(ctx context.Context, organizationID, deviceID string, cfg wire.NetworkConfig) (*wire.ValidateConfigResponse, error) {
	mgmtOps.WithLabelValues("validate_config").Inc()
	sess, err := m.locate(organizationID, deviceID)
	if err != nil {
		return nil, err
	}

	var resp wire.ValidateConfigResponse
	err = sess.Client().Call(ctx, wire.MethodValidateConfig, &wire.ValidateConfigRequest{Config: cfg}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCFailure, err)
	}
	return &resp, nil
}

// RunNetworkInstance starts an overlay instance on the device, persists the
// binding and kicks off the asynchronous virtual-IP harvest. The device
// assigns the instance id; it is returned immediately, before the harvest
// completes.
func (m *ManagementAPI) RunNetworkInstance(ctx context.Context, organizationID, deviceID string, cfg wire.NetworkConfig) (string, error) {
	mgmtOps.WithLabelValues("run_network_instance").Inc()
	sess, err := m.locate(organizationID, deviceID)
	if err != nil {
		return "", err
	}

	var resp wire.RunNetworkInstanceResponse
	err = sess.Client().Call(ctx, wire.MethodRunNetworkInstance, &wire.RunNetworkInstanceRequest{Config: cfg}, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRPCFailure, err)
	}
	instID := resp.InstID

	now := m.clock.Now().UTC()
	if _, err := m.store.GetDevice(ctx, organizationID, deviceID); errors.Is(err, store.ErrNotFound) {
		orgID := organizationID
		hb := now
		if err := m.store.InsertDevice(ctx, &store.Device{
			ID:             deviceID,
			OrganizationID: &orgID,
			Name:           deviceID,
			SerialNumber:   deviceID,
			DeviceType:     store.DeviceTypeRobot,
			Status:         store.StatusOnline,
			LastHeartbeat:  &hb,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return "", fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	if err := m.store.SetNetworkInstance(ctx, organizationID, deviceID, instID, cfg, now); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	m.harvest.Go(func() {
		m.harvestVirtualIP(organizationID, deviceID, instID, sess)
	})
	return instID, nil
}

// StopNetworkInstance clears the stored network columns and tells the
// device to delete the instance.
func (m *ManagementAPI) StopNetworkInstance(ctx context.Context, organizationID, deviceID, instID string) error {
	mgmtOps.WithLabelValues("stop_network_instance").Inc()
	sess, err := m.locate(organizationID, deviceID)
	if err != nil {
		return err
	}

	now := m.clock.Now().UTC()
	if err := m.store.ClearNetworkInstance(ctx, organizationID, instID, now); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	err = sess.Client().Call(ctx, wire.MethodDeleteNetworkInstance,
		&wire.DeleteNetworkInstanceRequest{InstIDs: []string{instID}}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCFailure, err)
	}
	return nil
}

// InstanceList pairs the device-reported running instances with the
// store-side disabled ones.
type InstanceList struct {
	Running  []string `json:"running"`
	Disabled []string `json:"disabled"`
}

// ListNetworkInstances asks the device for its running instances and the
// store for disabled ones.
func (m *ManagementAPI) ListNetworkInstances(ctx context.Context, organizationID, deviceID string) (*InstanceList, error) {
	mgmtOps.WithLabelValues("list_network_instances").Inc()
	sess, err := m.locate(organizationID, deviceID)
	if err != nil {
		return nil, err
	}

	var resp wire.ListNetworkInstanceResponse
	err = sess.Client().Call(ctx, wire.MethodListNetworkInstance, &wire.ListNetworkInstanceRequest{}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCFailure, err)
	}

	disabled, err := m.store.ListDisabledInstanceIDs(ctx, organizationID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return &InstanceList{Running: resp.InstIDs, Disabled: disabled}, nil
}

// CollectNetworkInfo is a pass-through to the device RPC.
func (m *ManagementAPI) CollectNetworkInfo(ctx context.Context, organizationID, deviceID string, instIDs []string) (*wire.CollectNetworkInfoResponse, error) {
	mgmtOps.WithLabelValues("collect_network_info").Inc()
	sess, err := m.locate(organizationID, deviceID)
	if err != nil {
		return nil, err
	}

	var resp wire.CollectNetworkInfoResponse
	err = sess.Client().Call(ctx, wire.MethodCollectNetworkInfo, &wire.CollectNetworkInfoRequest{InstIDs: instIDs}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCFailure, err)
	}
	return &resp, nil
}

// DeviceSummary decorates a connected device with its latest heartbeat and
// session location.
type DeviceSummary struct {
	DeviceID     string         `json:"device_id"`
	ClientURL    string         `json:"client_url"`
	Hostname     string         `json:"hostname,omitempty"`
	AgentVersion string         `json:"agent_version,omitempty"`
	ReportTime   int64          `json:"report_time,omitempty"`
	Location     geoip.Location `json:"location"`
}

// ListDevices snapshots the organization's connected devices.
func (m *ManagementAPI) ListDevices(ctx context.Context, organizationID string) ([]DeviceSummary, error) {
	mgmtOps.WithLabelValues("list_devices").Inc()

	urls := m.b.Index().List(organizationID)
	out := make([]DeviceSummary, 0, len(urls))
	for _, u := range urls {
		sess, ok := m.b.Session(u.String())
		if !ok {
			continue
		}
		data := sess.Data()
		st := data.Token()
		if st == nil {
			continue
		}
		summary := DeviceSummary{
			DeviceID:  st.DeviceID.String(),
			ClientURL: u.String(),
			Location:  data.Location(),
		}
		if req := data.LastRequest(); req != nil {
			summary.Hostname = req.Hostname
			summary.AgentVersion = req.AgentVersion
			summary.ReportTime = req.ReportTime
		}
		out = append(out, summary)
	}
	return out, nil
}

// UpdateNetworkState toggles the stored instance. Disabling also deletes it
// on the device; enabling re-runs the stored config.
func (m *ManagementAPI) UpdateNetworkState(ctx context.Context, organizationID, instID string, disabled bool) error {
	mgmtOps.WithLabelValues("update_network_state").Inc()

	d, err := m.store.GetDeviceByInstance(ctx, organizationID, instID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: instance %s", ErrDeviceNotFound, instID)
	} else if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	sess, err := m.locate(organizationID, d.ID)
	if err != nil {
		return err
	}

	now := m.clock.Now().UTC()
	if err := m.store.SetNetworkDisabled(ctx, organizationID, instID, disabled, now); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}

	if disabled {
		err = sess.Client().Call(ctx, wire.MethodDeleteNetworkInstance,
			&wire.DeleteNetworkInstanceRequest{InstIDs: []string{instID}}, nil)
	} else {
		var resp wire.RunNetworkInstanceResponse
		err = sess.Client().Call(ctx, wire.MethodRunNetworkInstance, &wire.RunNetworkInstanceRequest{
			InstID: &instID,
			Config: wire.NetworkConfig(d.NetworkConfig),
		}, &resp)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCFailure, err)
	}
	return nil
}

// GetNetworkConfig is a store-only read of the stored config document.
func (m *ManagementAPI) GetNetworkConfig(ctx context.Context, organizationID, instID string) (wire.NetworkConfig, error) {
	mgmtOps.WithLabelValues("get_network_config").Inc()

	d, err := m.store.GetDeviceByInstance(ctx, organizationID, instID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: instance %s", ErrDeviceNotFound, instID)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	if len(d.NetworkConfig) == 0 {
		return nil, fmt.Errorf("%w: instance %s has no config", ErrDeviceNotFound, instID)
	}
	return wire.NetworkConfig(d.NetworkConfig), nil
}

// harvestVirtualIP polls the device for the overlay address it assigned to
// the freshly started instance and persists it. Exhausting the schedule
// leaves the columns null; the address can still be read ad hoc through
// CollectNetworkInfo.
func (m *ManagementAPI) harvestVirtualIP(organizationID, deviceID, instID string, sess *Session) {
	ctx := m.b.ctx
	select {
	case <-m.clock.After(harvestInitialDelay):
	case <-ctx.Done():
		return
	}

	attempt := func() (wire.VirtualIPv4, error) {
		var resp wire.CollectNetworkInfoResponse
		err := sess.Client().Call(ctx, wire.MethodCollectNetworkInfo,
			&wire.CollectNetworkInfoRequest{InstIDs: []string{instID}}, &resp)
		if err != nil {
			return wire.VirtualIPv4{}, err
		}
		doc, ok := resp.Info.Map[instID]
		if !ok || !wire.InstanceRunning(doc) {
			return wire.VirtualIPv4{}, fmt.Errorf("instance %s not running yet", instID)
		}
		vip, ok := wire.InstanceVirtualIPv4(doc)
		if !ok {
			return wire.VirtualIPv4{}, fmt.Errorf("instance %s has no virtual ip yet", instID)
		}
		return vip, nil
	}

	// Retry waits run on the injected clock, like the initial delay.
	policy := backoff.NewConstantBackOff(harvestRetryInterval)
	var vip wire.VirtualIPv4
	for tries := 1; ; tries++ {
		var err error
		vip, err = attempt()
		if err == nil {
			break
		}
		if tries == harvestMaxAttempts {
			harvestResults.WithLabelValues("exhausted").Inc()
			m.log.Warn("virtual ip harvest gave up",
				"device_id", deviceID, "inst_id", instID, "error", err)
			return
		}
		select {
		case <-m.clock.After(policy.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}

	now := m.clock.Now().UTC()
	if err := m.store.SetVirtualIP(ctx, organizationID, instID, vip.Addr, vip.NetworkLength, now); err != nil {
		harvestResults.WithLabelValues("store_error").Inc()
		m.log.Error("failed to persist virtual ip",
			"device_id", deviceID, "inst_id", instID, "error", err)
		return
	}
	harvestResults.WithLabelValues("ok").Inc()
	m.log.Info("harvested virtual ip",
		"device_id", deviceID, "inst_id", instID,
		"addr", vip.Addr, "network_length", vip.NetworkLength)
}

// BatchRunItem is one device/config pair of a batch run.
type BatchRunItem struct {
	DeviceID string             `json:"device_id"`
	Config   wire.NetworkConfig `json:"config"`
}

// BatchStopItem is one device/instance pair of a batch stop.
type BatchStopItem struct {
	DeviceID string `json:"device_id"`
	InstID   string `json:"inst_id"`
}

// BatchResult reports the outcome for one item of a batch operation.
type BatchResult struct {
	DeviceID string
	InstID   string
	Err      error
}

// BatchRunNetworkInstance applies RunNetworkInstance to each item in order,
// returning one result per item.
func (m *ManagementAPI) BatchRunNetworkInstance(ctx context.Context, organizationID string, items []BatchRunItem) []BatchResult {
	group := m.batch.NewGroupContext(ctx)
	for _, item := range items {
		group.Submit(func() BatchResult {
			instID, err := m.RunNetworkInstance(ctx, organizationID, item.DeviceID, item.Config)
			return BatchResult{DeviceID: item.DeviceID, InstID: instID, Err: err}
		})
	}
	results, _ := group.Wait()
	return results
}

// BatchStopNetworkInstance applies StopNetworkInstance to each item in
// order, returning one result per item.
func (m *ManagementAPI) BatchStopNetworkInstance(ctx context.Context, organizationID string, items []BatchStopItem) []BatchResult {
	group := m.batch.NewGroupContext(ctx)
	for _, item := range items {
		group.Submit(func() BatchResult {
			err := m.StopNetworkInstance(ctx, organizationID, item.DeviceID, item.InstID)
			return BatchResult{DeviceID: item.DeviceID, InstID: item.InstID, Err: err}
		})
	}
	results, _ := group.Wait()
	return results
}
