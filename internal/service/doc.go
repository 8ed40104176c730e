// Package service implements supervision of the RPC service runners.
//
// Overview
// The Supervisor owns one server.Runner per known service. Start launches all
// of them in parallel, every runner in its own goroutine, and then waits on a
// single termination channel to which each runner posts its server.Result
// exactly once.
//
// A Runner resolves its model.ServiceSpec, binds a listener on all
// interfaces, creates its worker pool and hands every accepted connection to
// that pool. Runners share nothing but the read only model.Config.
//
// Data flow:
//
//	Supervisor              Runner{name}                 pool.Pool
//	    |                        |                            |
//	    | g.Go(Run) ------------>| Resolve                    |
//	    |                        | Listen ------------------->| New(size)
//	    |                        | Accept -> Submit --------->| worker: Handler.ServeConn
//	    |                        | (listener closed)          |
//	    |                        | Close -------------------->| cancel + drain
//	    |<------- Result --------|                            |
//
// Termination policy:
//   - primary service stopped: Start returns, the rest is closed.
//   - disabled service: expected, logged by the runner only.
//   - any other service stopped: logged; with on_service_stop=exit Start
//     returns an error wrapping ErrServiceStopped.
//   - ctx cancelled: Start closes every runner and returns nil.
//
// Invariants:
//   - At most one Runner per service name.
//   - Each Run produces one terminal Result.
//   - Runners are never restarted.
//
// service_test.go is the best source about how to use the Supervisor.
package service
