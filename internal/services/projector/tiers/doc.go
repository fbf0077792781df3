// Package tiers holds the identity read-model tiers. Each subpackage builds
// the handler registry for one tier over its store contract.
package tiers
