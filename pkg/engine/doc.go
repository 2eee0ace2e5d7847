// Package engine builds a graph of file artifacts into an output root.
//
// # Overview
//
// Each Artifact declares the identifiers it depends on, the files it owns
// and a Generator that produces their contents. The Orchestrator resolves
// the requested targets to their dependency closure, orders it
// topologically and dispatches ready artifacts to a bounded worker pool.
//
//	g := engine.NewGraph()
//	_ = g.Declare(engine.Artifact{
//	    ID:      "secrets/db.lega",
//	    Kind:    engine.KindSecret,
//	    Outputs: []engine.Output{{Path: "secrets/db.lega", Perm: engine.PermPrivate}},
//	    Generate: gen,
//	})
//	o := engine.NewOrchestrator(g, ws, manifest)
//	res, err := o.Build(ctx, []string{"secrets"}, engine.BuildOptions{})
//
// # Staleness
//
// An artifact is rebuilt when its outputs are missing, when they no longer
// hash to the fingerprint recorded in the Manifest, or when its inputs
// changed. Inputs are the artifact's recipe and the fingerprints of its
// dependencies, so a regenerated secret makes every transitive consumer
// stale while its siblings stay untouched. An up-to-date run invokes no
// generator and writes no manifest entry.
//
// # Failure handling
//
// A failing artifact leaves no outputs behind. Every artifact depending on
// it, directly or transitively, is marked failed with a dependency error
// carrying the chain back to the origin. Independent branches keep going
// unless BuildOptions.FailFast is set, in which case nothing new is
// dispatched and in-flight work drains.
//
// # Error Classification
//
// Errors are EngineError values classified as validation, cycle,
// generation, io, dependency, config, concurrent_run or halted. ExitCode
// maps them to process exit statuses.
package engine
