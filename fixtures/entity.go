package fixtures

import "github.com/flant/negentropy/provisioning/model"

const (
	IdentityUUID1 = "00000000-0000-4000-c000-000000000001"
	IdentityUUID2 = "00000000-0000-4000-c000-000000000002"

	Login1 = "jdoe"
	Login2 = "vbee"
)

func Identity(uuid, login, name string) *model.Entity {
	return &model.Entity{
		UUID: uuid,
		Kind: model.EntityKindIdentity,
		Properties: map[string]interface{}{
			"login":  login,
			"name":   name,
			"emails": []interface{}{login + "@example.com"},
		},
	}
}

func Identities() []*model.Entity {
	return []*model.Entity{
		Identity(IdentityUUID1, Login1, "John Doe"),
		Identity(IdentityUUID2, Login2, "Vasya Bee"),
	}
}
