// Package chain houses the connectivity to the Solana RPC node and the
// transaction signing pipeline: balance queries, blockhash retrieval,
// single-instruction transfers with finalized-confirmation polling, and
// the sign-and-broadcast path for externally built swap transactions.
// Cluster endpoint definitions can be supplied through a YAML file.
package chain
