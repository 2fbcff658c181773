package rbac

import "context"

// DefaultResources is the built-in catalog of the HR application.
func DefaultResources() []ResourceDef {
	return []ResourceDef{
		{
			Name:        ResourceUsers,
			Label:       "Users",
			Description: "Employee directory and user accounts",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionAssign, ActionAdmin},
		},
		{
			Name:        ResourceDepartments,
			Label:       "Departments",
			Description: "Organisational departments",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionAdmin},
		},
		{
			Name:        ResourceTeams,
			Label:       "Teams",
			Description: "Teams and team membership",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionAssign, ActionAdmin},
		},
		{
			Name:        ResourceReviews,
			Label:       "Performance reviews",
			Description: "Review cycles, self and manager reviews",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionApprove, ActionAssign, ActionAdmin},
		},
		{
			Name:        ResourceGoals,
			Label:       "Goals",
			Description: "Individual and team goals",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionApprove, ActionAssign, ActionAdmin},
		},
		{
			Name:        ResourceMeetings,
			Label:       "1:1 meetings",
			Description: "One-on-one meetings and agendas",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionAdmin},
		},
		{
			Name:        ResourceSurveys,
			Label:       "Surveys",
			Description: "Engagement and pulse surveys",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionAssign, ActionAdmin},
		},
		{
			Name:        ResourceFeedback,
			Label:       "Feedback",
			Description: "Peer and upward feedback",
			Actions:     []Action{ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionAdmin},
		},
		{
			Name:        ResourceAnalytics,
			Label:       "Analytics",
			Description: "Dashboards and people analytics",
			Actions:     []Action{ActionView, ActionAdmin},
		},
		{
			Name:        ResourceSettings,
			Label:       "Settings",
			Description: "Organisation settings and permission management",
			Actions:     []Action{ActionView, ActionUpdate, ActionAdmin},
		},
	}
}

// DefaultRoles is the built-in chain employee ⊂ manager ⊂ hr ⊂ admin. Each role
// lists only what it adds to its parent.
func DefaultRoles() []RoleDef {
	return []RoleDef{
		{
			Name:  RoleEmployee,
			Label: "Employee",
			Permissions: []Permission{
				Perm(ResourceUsers, ActionView),
				Perm(ResourceDepartments, ActionView),
				Perm(ResourceTeams, ActionView),
				Perm(ResourceReviews, ActionView),
				Perm(ResourceReviews, ActionUpdate),
				Perm(ResourceGoals, ActionView),
				Perm(ResourceGoals, ActionCreate),
				Perm(ResourceGoals, ActionUpdate),
				Perm(ResourceMeetings, ActionView),
				Perm(ResourceMeetings, ActionCreate),
				Perm(ResourceSurveys, ActionView),
				Perm(ResourceFeedback, ActionView),
				Perm(ResourceFeedback, ActionCreate),
			},
		},
		{
			Name:    RoleManager,
			Label:   "Manager",
			Parents: []Role{RoleEmployee},
			Permissions: []Permission{
				Perm(ResourceTeams, ActionUpdate),
				Perm(ResourceTeams, ActionAssign),
				Perm(ResourceReviews, ActionCreate),
				Perm(ResourceReviews, ActionApprove),
				Perm(ResourceGoals, ActionApprove),
				Perm(ResourceGoals, ActionAssign),
				Perm(ResourceGoals, ActionDelete),
				Perm(ResourceMeetings, ActionUpdate),
				Perm(ResourceMeetings, ActionDelete),
				Perm(ResourceAnalytics, ActionView),
			},
		},
		{
			Name:    RoleHR,
			Label:   "HR",
			Parents: []Role{RoleManager},
			Permissions: []Permission{
				Perm(ResourceUsers, ActionCreate),
				Perm(ResourceUsers, ActionUpdate),
				Perm(ResourceUsers, ActionDelete),
				Perm(ResourceUsers, ActionAssign),
				Perm(ResourceDepartments, ActionCreate),
				Perm(ResourceDepartments, ActionUpdate),
				Perm(ResourceTeams, ActionCreate),
				Perm(ResourceTeams, ActionDelete),
				Perm(ResourceReviews, ActionDelete),
				Perm(ResourceReviews, ActionAssign),
				Perm(ResourceReviews, ActionAdmin),
				Perm(ResourceGoals, ActionAdmin),
				Perm(ResourceMeetings, ActionAdmin),
				Perm(ResourceSurveys, ActionCreate),
				Perm(ResourceSurveys, ActionUpdate),
				Perm(ResourceSurveys, ActionDelete),
				Perm(ResourceSurveys, ActionAssign),
				Perm(ResourceFeedback, ActionUpdate),
				Perm(ResourceFeedback, ActionDelete),
				Perm(ResourceSettings, ActionView),
			},
		},
		{
			Name:    RoleAdmin,
			Label:   "Administrator",
			Parents: []Role{RoleHR},
			Permissions: []Permission{
				Perm(ResourceUsers, ActionAdmin),
				Perm(ResourceDepartments, ActionDelete),
				Perm(ResourceDepartments, ActionAdmin),
				Perm(ResourceTeams, ActionAdmin),
				Perm(ResourceSurveys, ActionAdmin),
				Perm(ResourceFeedback, ActionAdmin),
				Perm(ResourceAnalytics, ActionAdmin),
				Perm(ResourceSettings, ActionUpdate),
				Perm(ResourceSettings, ActionAdmin),
			},
		},
	}
}

// DefaultPolicy returns the built-in definition.
func DefaultPolicy() PolicyDefinition {
	return PolicyDefinition{Resources: DefaultResources(), Roles: DefaultRoles()}
}

// DefaultSource serves DefaultPolicy.
var DefaultSource PolicySource = PolicySourceFunc(func(context.Context) (PolicyDefinition, error) {
	return DefaultPolicy(), nil
})
