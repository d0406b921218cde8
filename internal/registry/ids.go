package registry

import "github.com/google/uuid"

func subscriberID(serial, kind string) string {
	return serial + ":" + kind + ":" + uuid.NewString()
}
