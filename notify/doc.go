// Package notify defines the events the protocol core emits toward the
// presentation layer and a few ready-made sinks for them.
//
// Notifier implementations must not block: they are called on the control
// loop. LogNotifier writes each event through logrus, ChannelNotifier
// buffers them for a consumer and counts what it had to drop, and Multi
// fans one event out to several sinks.
package notify
