// Package containers starts throwaway backing services for dinocache
// integration tests: MySQL for the cache store, Mosquitto for push over
// MQTT, and ntfy as a shoutrrr notification target.
//
// Files in this package build only with the integration tag:
//
//	go test -tags=integration ./...
//
// Containers are usually shared per package from TestMain and terminated
// after m.Run returns.
package containers
