// Package watcher turns file system activity under the source directory
// into reload cycles.
//
// Events come from fsnotify; where fsnotify cannot be initialized the
// watcher falls back to periodic rescans. Events are filtered with the
// detector's ignore rules and coalesced by a debouncer, and every debounced
// batch triggers one reload through a circuit breaker.
//
// Usage:
//
//	w, err := watcher.New(coord.Detector(), watcher.DefaultOptions(), logger)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	go func() { _ = w.Start(ctx, sourceDir) }()
//
//	trigger := watcher.NewTrigger(adapter, watcher.WithTriggerLogger(logger))
//	return trigger.Run(ctx, w.Events())
package watcher
