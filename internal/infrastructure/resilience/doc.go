/*
Package resilience provides a circuit breaker for guarding transport calls.

# Overview

This package implements the circuit breaker pattern to prevent hammering a
backup transport that has become unavailable. After a configurable number of
consecutive failures the breaker opens and rejects calls immediately; once a
cooldown elapses it admits a single probe call to test recovery.

# Usage

	// Create a circuit breaker
	breaker := resilience.New("transport", resilience.Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Printf("breaker %s: %s -> %s", name, from, to)
		},
	})

	// Execute a call through the breaker
	err := breaker.Execute(func() error {
		return client.Call()
	})

# States

	Closed --[failures]-> Open --[cooldown]-> Probing --[success]-> Closed
	                                            |
	                                        [failure]
	                                            |
	                                            v
	                                          Open
*/
package resilience
