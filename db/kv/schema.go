package kv

// Bucket schema. Index buckets hold composite keys with empty values and are
// scanned by prefix; the uncommitted index is keyed by (timestamp, id) so the
// proposer reads pending CIDs in arrival order.
var (
	usersBucket    = []byte("users")
	messagesBucket = []byte("messages")
	blocksBucket   = []byte("blocks")
	peersBucket    = []byte("peers")

	// Indices buckets.
	messageRecipientIndexBucket = []byte("message-recipient-index")
	messageRootIndexBucket      = []byte("message-root-index")
	messageCidIndexBucket       = []byte("message-cid-index")
	uncommittedIndexBucket      = []byte("uncommitted-index")
)
