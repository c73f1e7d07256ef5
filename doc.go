// Package camctrl is the per-frame control core of a camera capture
// pipeline.
//
// # Overview
//
// Every capture context pairs a sensor with a processing (raw) engine and
// optional camsv/mraw sub pipes. Per frame the controller:
//
//  1. Dispatches sensor settings from a deadline timer armed at each
//     start-of-frame, on a sensor worker that never holds more than one
//     write
//  2. Triggers the frame's command queue at start-of-frame once the
//     sensor settings are written
//  3. Confirms the hardware latched the command queue (setting done)
//  4. Completes the frame at frame done, recovering missed frame-done
//     interrupts from the engine's write counter
//
// Each frame is a Stream Data moving through a bounded State List under a
// closed set of legal state transitions. Topologies (normal, stagger,
// mstream, subsample, time-shared, m2m) differ only in how frames enter
// and leave that list.
//
// # Basic Usage
//
//	ctl, err := camctrl.New(camctrl.Config{Contexts: contexts}, camctrl.Deps{
//	    Sensors:  sensors,
//	    CQ:       hw,
//	    Router:   hw,
//	    Consumer: consumer,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := ctl.Start(ctx); err != nil {
//	    return err
//	}
//	defer ctl.Stop()
//
//	// interrupt handler
//	ctl.HandleIRQ(info)
//
//	// per request
//	req := camctrl.NewRequest(obj, camctrl.StreamSpec{StreamID: 0, Buffers: cqs})
//	ctl.Enqueue(req)
//
// Hardware access stays behind the collaborator interfaces (Sensor,
// CommandQueue, Router). internal/sim implements all of them in software
// and cmd/camctrl-sim runs the controller against it.
package camctrl
