// Package docker implements the Docker occupancy probe for the allocator.
//
// A port published by a running container is bound by dockerd on the host,
// but a container started before dynport ran (or by another tool) is not in
// the state file. The probe lists running containers through the Docker
// Engine API and vetoes any candidate port one of them publishes.
//
// The package uses github.com/docker/docker/client with API version
// negotiation, and detects the daemon socket the same way on Linux, macOS
// and Windows.
package docker
