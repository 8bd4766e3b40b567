package store

// DeviceStatus is the admin-visible lifecycle state of a device. Status
// transitions are owned by the heartbeat handler and the offline sweeper;
// management edits never change status implicitly.
type DeviceStatus string

const (
	StatusPending     DeviceStatus = "pending"
	StatusRejected    DeviceStatus = "rejected"
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusBusy        DeviceStatus = "busy"
	StatusMaintenance DeviceStatus = "maintenance"
	StatusDisabled    DeviceStatus = "disabled"
)

// Approved reports whether an admin has accepted the device into the fleet.
// Approved devices are eligible for configuration push.
func (s DeviceStatus) Approved() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy, StatusMaintenance:
		return true
	default:
		return false
	}
}

// Connected reports whether the device is considered actively reachable.
func (s DeviceStatus) Connected() bool {
	return s == StatusOnline || s == StatusBusy
}

// DeviceType distinguishes fleet hardware classes.
type DeviceType string

const (
	DeviceTypeRobot DeviceType = "robot"
	DeviceTypeEdge  DeviceType = "edge"
)
