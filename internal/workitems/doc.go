// Package workitems persists UPS workitems in the "ups" bucket of a
// kvstore.Store and maintains the UID index used for listing.
package workitems
