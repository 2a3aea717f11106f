package services

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const devicePrefix = "/devices/"

// DeviceService stores and retrieves Device entities.
type DeviceService struct {
	backend backend.Backend
}

// NewDeviceService returns a DeviceService backed by bk.
func NewDeviceService(bk backend.Backend) *DeviceService {
	return &DeviceService{backend: bk}
}

func deviceKey(id string) []byte {
	return []byte(devicePrefix + id)
}

// userDevicesPrefix scopes a range scan to one user's devices.
func userDevicesPrefix(userID string) []byte {
	return []byte(devicePrefix + userID + "/")
}

func deviceKeyForUser(userID, deviceID string) []byte {
	return []byte(devicePrefix + userID + "/" + deviceID)
}

// CreateDevice persists a new device record, indexed under its owner.
func (s *DeviceService) CreateDevice(ctx context.Context, d *types.Device) error {
	value, err := marshal(d)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Create(ctx, backend.Item{Key: deviceKeyForUser(d.UserID, d.ID), Value: value}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// UpdateDevice overwrites a device record.
func (s *DeviceService) UpdateDevice(ctx context.Context, d *types.Device) error {
	value, err := marshal(d)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{Key: deviceKeyForUser(d.UserID, d.ID), Value: value}); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("device %q not found", d.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// GetDevice reads a single device owned by userID.
func (s *DeviceService) GetDevice(ctx context.Context, userID, deviceID string) (*types.Device, error) {
	item, err := s.backend.Get(ctx, deviceKeyForUser(userID, deviceID))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("device %q not found", deviceID)
		}
		return nil, trace.Wrap(err)
	}
	var d types.Device
	if err := unmarshal(item.Value, &d); err != nil {
		return nil, trace.Wrap(err)
	}
	return &d, nil
}

// DeleteDevice removes a device record.
func (s *DeviceService) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.backend.Delete(ctx, deviceKeyForUser(userID, deviceID)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("device %q not found", deviceID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// ListDevices returns every device belonging to userID.
func (s *DeviceService) ListDevices(ctx context.Context, userID string) ([]*types.Device, error) {
	prefix := userDevicesPrefix(userID)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Device, 0, len(result.Items))
	for _, item := range result.Items {
		var d types.Device
		if err := unmarshal(item.Value, &d); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &d)
	}
	return out, nil
}

// ActiveDevice returns the user's currently active device, if any.
func (s *DeviceService) ActiveDevice(ctx context.Context, userID string) (*types.Device, error) {
	devices, err := s.ListDevices(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, d := range devices {
		if d.Active {
			return d, nil
		}
	}
	return nil, trace.NotFound("no active device for user %q", userID)
}

// DeactivateOtherDevices marks every device other than keepDeviceID
// inactive, returning the ones that were changed.
func (s *DeviceService) DeactivateOtherDevices(ctx context.Context, userID, keepDeviceID string) ([]*types.Device, error) {
	devices, err := s.ListDevices(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var changed []*types.Device
	for _, d := range devices {
		if d.ID == keepDeviceID || !d.Active {
			continue
		}
		d.Active = false
		if err := s.UpdateDevice(ctx, d); err != nil {
			return nil, trace.Wrap(err)
		}
		changed = append(changed, d)
	}
	return changed, nil
}
