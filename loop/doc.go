// Package loop provides the single control context on which all protocol
// state is mutated. Transport readers and file workers hand their results
// to the loop with Post instead of touching session state directly.
//
//	l := loop.New()
//	l.Start()
//	defer l.Stop()
//
//	l.Post(func() { /* runs on the loop */ })
//	cancel := l.PostDelayed(time.Second, retry)
//	err := l.Do(ctx, func() { /* waits for the loop */ })
//
// Post never blocks and reports false once the loop has stopped. Callbacks
// posted from the loop itself run after the current one returns.
package loop
