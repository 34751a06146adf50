package payload

// EngineVersion is the entsync engine version.
const EngineVersion = "0.1.0"
