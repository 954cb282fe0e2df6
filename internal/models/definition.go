package models

// FlowDefinition is the on-disk form of a phase graph.
type FlowDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	FlowType    FlowType `yaml:"flow_type"`
	Phases      []Phase  `yaml:"phases"`
}
