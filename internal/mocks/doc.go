// Package mocks provides test doubles for backend clients.
package mocks
