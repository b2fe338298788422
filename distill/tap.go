package distill

import (
	"fmt"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/model"
	"github.com/tsawler/lesion-distill/tensor"
)

// FeatureTap keeps the most recent capture-point activations of each
// attached network, one slot per role.
//
// A slot is overwritten by every forward pass through the registration. The
// caller must read it right after the forward pass that produced it; a read
// after another forward on the same network returns that later capture
// without any error.
type FeatureTap struct {
	slots map[model.Role][]*tensor.Tensor
	regs  map[model.Role]*Registration
}

// NewFeatureTap returns an empty tap.
func NewFeatureTap() *FeatureTap {
	return &FeatureTap{
		slots: make(map[model.Role][]*tensor.Tensor),
		regs:  make(map[model.Role]*Registration),
	}
}

// Attach registers the capture point of net under role. Forward passes must go
// through the returned Registration to be captured.
func (ft *FeatureTap) Attach(role model.Role, net model.Network) (*Registration, error) {
	if net == nil {
		return nil, fmt.Errorf("cannot attach a nil network for %s", role)
	}
	if _, ok := ft.regs[role]; ok {
		return nil, fmt.Errorf("a network is already attached for %s", role)
	}
	reg := &Registration{Network: net, tap: ft, role: role}
	ft.regs[role] = reg
	return reg, nil
}

// Read returns the activations captured for role by the latest forward pass.
func (ft *FeatureTap) Read(role model.Role) ([]*tensor.Tensor, error) {
	acts, ok := ft.slots[role]
	if !ok || len(acts) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoCapture, role)
	}
	return acts, nil
}

// Registration is a network whose forward passes are captured by a tap.
type Registration struct {
	model.Network
	tap      *FeatureTap
	role     model.Role
	detached bool
}

// Forward runs the wrapped network and overwrites the role's slot.
func (r *Registration) Forward(images []*tensor.Tensor, targets []detection.Target) (*model.Output, error) {
	out, err := r.Network.Forward(images, targets)
	if err != nil {
		return nil, err
	}
	if !r.detached {
		if len(out.Activations) != len(images) {
			return nil, fmt.Errorf("%s capture point %q returned %d activations for %d images",
				r.role, r.Network.CapturePoint(), len(out.Activations), len(images))
		}
		r.tap.slots[r.role] = out.Activations
	}
	return out, nil
}

// Role returns the slot the registration writes to.
func (r *Registration) Role() model.Role {
	return r.role
}

// Detach ends the capture. The slot is cleared and the role can be attached
// again.
func (r *Registration) Detach() {
	if r.detached {
		return
	}
	r.detached = true
	delete(r.tap.slots, r.role)
	if r.tap.regs[r.role] == r {
		delete(r.tap.regs, r.role)
	}
}
