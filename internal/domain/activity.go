package domain

import "fmt"

// DescribeActivity renders a human-readable description for an ActivityLog
// row from its typed fields, the way the store materializes the row's
// description column at write time.
func DescribeActivity(activityType string, targetID *string, metadata map[string]any) string {
	target := "?"
	if targetID != nil {
		target = *targetID
	}
	switch activityType {
	case "package.published":
		if v, ok := metadata["version"].(string); ok {
			return fmt.Sprintf("published %s %s", target, v)
		}
		return fmt.Sprintf("published %s", target)
	case "package.retracted":
		return fmt.Sprintf("retracted a version of %s", target)
	case "package.unretracted":
		return fmt.Sprintf("unretracted a version of %s", target)
	case "package.transferred":
		if v, ok := metadata["new_owner"].(string); ok {
			return fmt.Sprintf("transferred %s to %s", target, v)
		}
		return fmt.Sprintf("transferred %s", target)
	case "package.discontinued":
		return fmt.Sprintf("discontinued %s", target)
	case "package.deleted":
		return fmt.Sprintf("deleted %s", target)
	case "webhook.disabled":
		return fmt.Sprintf("webhook %s auto-disabled after repeated failures", target)
	case "user.registered":
		return fmt.Sprintf("user %s registered", target)
	case "admin.login":
		return "admin login"
	default:
		return activityType
	}
}
