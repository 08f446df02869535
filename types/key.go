package types

import "fmt"

// Key identifies a single engagement fact: one user's relationship with one
// target inside one project. Every row in every engine is addressed by a Key.
// All three components are opaque caller-supplied identifiers.
type Key struct {
	ProjectID string `json:"project_id" bson:"project_id"`
	UserID    string `json:"user_id" bson:"user_id"`
	TargetID  string `json:"target_id" bson:"target_id"`
}

// NewKey builds a Key from its components.
func NewKey(projectID, userID, targetID string) Key {
	return Key{ProjectID: projectID, UserID: userID, TargetID: targetID}
}

// Validate reports whether all components are non-empty.
func (k Key) Validate() error {
	switch {
	case k.ProjectID == "":
		return fmt.Errorf("types: key missing project id")
	case k.UserID == "":
		return fmt.Errorf("types: key missing user id")
	case k.TargetID == "":
		return fmt.Errorf("types: key missing target id")
	}
	return nil
}

// String returns the key in "project/user/target" form. Useful as a map key
// for in-memory stores and in log output.
func (k Key) String() string {
	return k.ProjectID + "/" + k.UserID + "/" + k.TargetID
}
