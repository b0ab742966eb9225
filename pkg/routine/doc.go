// Package routine defines the contract every analysis step of a TOD loop
// implements, plus the helpers routines use to talk to the data store.
//
// # Lifecycle
//
// A Routine goes through three phases driven by the loop:
//
//	Initialize(ctx)       once, before the first TOD
//	Execute(ctx, rc)      once per TOD, in registration order
//	Finalize(ctx)         once, after the last TOD (also when zero TODs ran)
//
// Routines never call each other. Everything a routine produces for later
// routines goes into the per-TOD store under the keys declared in its
// Outputs mapping, and everything it consumes is read through its Inputs
// mapping. Private state (running sums, report rows) may be kept on the
// routine itself and flushed in Finalize.
//
// # Implementing Routines
//
// Embed Base to get the name, the key mappings, typed parameter decoding and
// no-op Initialize/Finalize:
//
//	type Scale struct {
//	    routine.Base
//	    params ScaleParams
//	}
//
//	func NewScale(cfg routine.Config, logger *zap.Logger) (routine.Routine, error) {
//	    r := &Scale{Base: routine.NewBase(cfg, logger)}
//	    if err := r.DecodeParams(&r.params); err != nil {
//	        return nil, err
//	    }
//	    return r, nil
//	}
//
//	func (r *Scale) Execute(ctx context.Context, rc *routine.Context) error {
//	    v, err := routine.InputAs[float64](&r.Base, rc, "value")
//	    if err != nil {
//	        return err
//	    }
//	    return r.Output(rc, "value", v*r.params.Factor)
//	}
//
// Register the constructor with a Factory so pipelines can be built from
// configuration files:
//
//	factory := routine.NewFactory(logger)
//	factory.Register("scale", NewScale)
package routine
