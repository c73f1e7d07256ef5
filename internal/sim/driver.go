package sim

import (
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

type lane struct {
	mode    ctrl.Mode
	raw     ctrl.Engine
	capture ctrl.Engine
	subs    []ctrl.Engine
}

// Driver steps every engine of a set of contexts through one frame period
// in the order the hardware raises them: sensor-fed engines first, then
// memory reads on raw engines fed from memory.
type Driver struct {
	isp    *ISP
	lanes  []lane
	memory []ctrl.Engine
}

// NewDriver builds a driver for contexts on isp.
func NewDriver(isp *ISP, contexts []ctrl.ContextConfig) *Driver {
	d := &Driver{isp: isp}
	seen := make(map[ctrl.Engine]bool)
	for _, cc := range contexts {
		d.lanes = append(d.lanes, lane{mode: cc.Mode, raw: cc.Raw, capture: cc.Capture, subs: cc.SubPipes})
		switch cc.Mode {
		case ctrl.ModeM2M, ctrl.ModeTimeShared:
			if !seen[cc.Raw] {
				seen[cc.Raw] = true
				d.memory = append(d.memory, cc.Raw)
			}
		}
	}
	return d
}

// Step runs one frame period.
func (d *Driver) Step() {
	for _, l := range d.lanes {
		switch l.mode {
		case ctrl.ModeM2M:
		case ctrl.ModeTimeShared:
			d.isp.Capture(l.capture)
		case ctrl.ModeSubsample:
			d.isp.SubsampleFrame(l.raw)
		default:
			d.isp.Frame(l.raw)
		}
		for _, s := range l.subs {
			d.isp.Sub(s)
		}
	}
	for _, raw := range d.memory {
		d.isp.Memory(raw)
	}
}
