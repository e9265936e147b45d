// Package upstream adapts token streaming LLM APIs to a pull based Stream.
package upstream
