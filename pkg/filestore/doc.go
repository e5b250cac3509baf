/*
Package filestore persists a provider's file data: chunks keyed by
(file_key, chunk_index) and file metadata keyed by file_key, in BoltDB.

Chunks can arrive in any order and from multiple transfers; every insert is
validated against the file's recorded size. LoadTrie rebuilds the
fingerprint trie from stored chunks for proof assembly, and VerifyFile
recomputes the fingerprint to detect corruption, which is the check the coordinator
runs when reconciling the store against the forest after a restart.
*/
package filestore
