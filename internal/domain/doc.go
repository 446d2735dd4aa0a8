// Package domain defines core data models and interfaces shared across the
// crypto core. It contains plain types (wire/state) and contracts
// (interfaces) only; the types and interfaces subpackages hold the
// definitions and this package re-exports them under one import.
package domain
