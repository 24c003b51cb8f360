// Package server assembles the HTTP front door: the configure sequence that
// mounts health, metrics, REST and feature routes, the preset credentials
// gate, and the fallback chain that classifies unclaimed requests and serves
// the SPA shell, the static roots and package icons.
package server
