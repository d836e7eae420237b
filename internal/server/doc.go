// Package server implements the consult chat routing service: WebSocket
// connection handling, the router that matches user chat requests to on-duty
// doctors by medical category, and the HTTP surface around it.
//
// The implementation is organized into specialized files for configuration,
// routing state, rooms, clients, protocol types, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package server
