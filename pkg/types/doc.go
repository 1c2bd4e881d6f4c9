/*
Package types defines the core data model shared by every engine package.

The authoritative state is the InboundDocument, the JSON document describing
one protocol instance's listener and its authorized clients. Everything else
the engine writes is a projection of it: the flat scalar cache files, the
per-user credential records, the launch descriptor port. Types in this
package carry unknown JSON object members through a parse/serialize cycle so
that documents touched by other tooling survive an engine edit with only the
intended field changed.

The package also holds the engine's error taxonomy as sentinel values;
see errors.go. Wrap with fmt.Errorf("...: %w", err) and match with
errors.Is, never by string comparison.
*/
package types
