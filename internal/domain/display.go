package domain

// Display holds presentation attributes for an enumerated value.
type Display struct {
	Label string
	Color string
}

var StatusDisplay = map[Status]Display{
	StatusNew:             {Label: "New", Color: "blue"},
	StatusAssigned:        {Label: "Assigned", Color: "cyan"},
	StatusInProgress:      {Label: "In Progress", Color: "yellow"},
	StatusPendingApproval: {Label: "Pending Approval", Color: "magenta"},
	StatusClosed:          {Label: "Closed", Color: "green"},
	StatusRejected:        {Label: "Rejected", Color: "gray"},
}

var SeverityDisplay = map[Severity]Display{
	SeverityLow:      {Label: "Low", Color: "green"},
	SeverityMedium:   {Label: "Medium", Color: "yellow"},
	SeverityHigh:     {Label: "High", Color: "orange"},
	SeverityCritical: {Label: "Critical", Color: "red"},
}

var SLADisplay = map[SLAStatus]Display{
	SLAOnTrack:  {Label: "On Track", Color: "green"},
	SLAAtRisk:   {Label: "At Risk", Color: "yellow"},
	SLABreached: {Label: "Breached", Color: "red"},
	SLAExempt:   {Label: "Exempt", Color: "blue"},
}

func (s Status) Label() string {
	if d, ok := StatusDisplay[s]; ok {
		return d.Label
	}
	return string(s)
}

func (s Severity) Label() string {
	if d, ok := SeverityDisplay[s]; ok {
		return d.Label
	}
	return string(s)
}

func (s SLAStatus) Label() string {
	if d, ok := SLADisplay[s]; ok {
		return d.Label
	}
	return string(s)
}
