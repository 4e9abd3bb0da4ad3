// Package logging provides structured logging for the Refoss bridge.
//
// It wraps log/slog so every record carries the service name and build
// version. Output is JSON by default and text when configured:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Components take a narrow Logger interface (Debug/Info/Warn/Error) so
// *Logger can be passed directly and tests can pass a recorder.
//
// Never log secrets such as the MQTT password or InfluxDB token.
package logging
