// Package mqtt mirrors LyNexus activity to an MQTT broker. Operational
// events from the bus are republished as JSON under
// <prefix>/events/<source>/<kind>, a retained stats snapshot is pushed
// to <prefix>/stats on a fixed cadence, and <prefix>/availability
// carries an online/offline status backed by a will message.
//
// The mirror also listens on <prefix>/command/stop: a payload naming a
// conversation stops that conversation's active run.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher re-announces availability and
// re-subscribes to the command topic.
package mqtt
