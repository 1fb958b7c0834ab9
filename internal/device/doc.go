// Package device is the Hearth device state engine.
//
// Every controllable entity in the hub is a Device: a flat state map with a
// reachability watchdog, an event bus and an append-only history journal.
// Protocol drivers embed *Device and only ever touch it through two entry
// points:
//
//   - UpdateState, when the physical device reports;
//   - a Commander behind SetState, when a consumer asks for a new state.
//
// # Architecture
//
//	 driver read loop ──UpdateState──▶ Device ──▶ Journal (file, flushed on Shutdown)
//	                                     │    └──▶ HistoryMirror (SQLite, optional)
//	 UI / REST / composite ──SetState──▶ │
//	        ▲                            ├──▶ EventBus  (statechange, statechange:<k>, ...)
//	        └────────── Sink ◀───────────┘
//
// # Usage
//
//	reg := device.NewRegistry()
//	lamp := device.New("lamp1",
//	    device.WithJournal(cfg.Journal.Dir, codec),
//	    device.WithSink(hub),
//	    device.WithCommander(device.CommanderFunc(func(ctx context.Context, s device.State) error {
//	        lampDev.ExpectUpdate(5 * time.Second)
//	        return publish(s)
//	    })),
//	)
//	reg.Register(lamp)
//
//	lamp.Listen("statechange:on:true", func(e device.Entity) { ... })
//
//	defer reg.Shutdown(ctx)
//
// # Thread Safety
//
// Devices and the Registry are safe for concurrent use. Listeners run on the
// device's dispatcher goroutine, never on the caller's.
package device
