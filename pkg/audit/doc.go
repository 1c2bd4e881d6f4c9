/*
Package audit detects and repairs divergence between the inbound
document, the user registry, and the scalar caches.

The inbound document is authoritative. A record missing from the
registry is recreated from the document; a record that disagrees with
it is rewritten; a record the document no longer authorizes is an
orphan, deleted only with explicit confirmation. When the real public
key cannot be derived, healed records carry a loud invalid placeholder
rather than anything that could pass for a working credential.
*/
package audit
