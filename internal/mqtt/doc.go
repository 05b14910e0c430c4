// Package mqtt broadcasts finished conversations to an MQTT broker and
// announces them to Home Assistant as a discovered sensor.
//
// The sink uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained discovery config for the "last conversation"
// sensor and a birth message ("online") to the availability topic. A
// will message moves the availability topic to "offline" on unexpected
// disconnects.
package mqtt
