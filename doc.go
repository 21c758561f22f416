// # Go Client Package for Realtime Voice Conversations
//
// This repository provides a Go package for building applications that hold real-time, two-way voice conversations with an AI agent over a websocket speech service. It is designed to be imported into your own Go projects, providing the core functionality to handle microphone capture, gapless audio playback, streaming transcripts, and session management with automatic reconnection and resumption.
package voicewire
