package redis

import "github.com/redis/rueidis"

// NewStoreForTest wraps an existing client (typically a rueidis mock) as a Redis-flavored store.
func NewStoreForTest(c rueidis.Client) *Store {
	return &Store{client: c, flavor: FlavorRedis}
}

// NewValkeyStoreForTest wraps an existing client as a Valkey-flavored store.
func NewValkeyStoreForTest(c rueidis.Client) *Store {
	return &Store{client: c, flavor: FlavorValkey}
}
