/*
Package configstore owns the authoritative inbound JSON document and the
flat scalar caches derived from it.

The document is the single source of truth for a protocol instance: port,
security mode, Reality key block and the client list. Writes are atomic
(temp file + rename) and validate-before-commit, so the on-disk document is
never half-written and never schema-invalid. Unknown JSON fields present in
a document round-trip untouched; an edit changes only the intended field.

The scalar caches (protocol.txt, use_reality.txt, port.txt, sni.txt,
private_key.txt, public_key.txt, short_id.txt) are write-after projections
of the document for read-only consumers. They are rebuilt from the document
whenever found missing or stale, never the other way around.

AcquireLock serializes engine commands per instance directory.
*/
package configstore
