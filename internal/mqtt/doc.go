// Package mqtt publishes Platecheck's operating state to Home Assistant
// over MQTT.
//
// On every (re-)connect the [Publisher] sends retained discovery config
// payloads for each sensor entity and an "online" birth message to the
// availability topic; a will message flips availability to "offline"
// on unexpected disconnects. Sensor states (uptime, active sessions,
// analyses and failures today, token use, last analysis) are pushed on
// a fixed interval. Connection management is Eclipse Paho v2's
// [autopaho] package, which reconnects automatically.
package mqtt
