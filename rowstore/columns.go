package rowstore

// Column titles per logical sheet. Titles are resolved to column ids at runtime.
const (
	ColLPOId       = "LPO ID"
	ColCustomer    = "Customer"
	ColProject     = "Project"
	ColPOQuantity  = "PO Quantity"
	ColStatus      = "Status"
	ColRemarks     = "Remarks"
	ColTraceId     = "Trace ID"
	ColCreatedAt   = "Created At"
	ColDescription = "Nesting Description"
)

// 02_TAG_REGISTRY
const (
	ColTagId       = "Tag ID"
	ColTagQuantity = "Quantity"
	ColTagUom      = "UOM"
)

// 03_NESTING_UPLOADS
const (
	ColNestSessionId   = "Nest Session ID"
	ColClientRequestId = "Client Request ID"
	ColContentHash     = "Content Hash"
	ColFileNames       = "File Names"
	ColRecordKey       = "Execution Record Key"
	ColUploadedAt      = "Uploaded At"
)

// 04_BOM_LINES
const (
	ColLineId            = "Line ID"
	ColLineNumber        = "Line Number"
	ColMaterialType      = "Material Type"
	ColQuantity          = "Quantity"
	ColUom               = "UOM"
	ColCanonicalQuantity = "Canonical Quantity"
	ColCanonicalUom      = "Canonical UOM"
	ColCanonicalCode     = "Canonical Code"
	ColSapCode           = "SAP Code"
	ColMappingDecision   = "Mapping Decision"
	ColHistoryId         = "History ID"
	ColExceptionId       = "Exception ID"
)

// 05_MATERIAL_MASTER, 06_MAPPING_OVERRIDES, 07_MAPPING_HISTORY
const (
	ColDefaultSapCode   = "Default SAP Code"
	ColConversionFactor = "Conversion Factor"
	ColActive           = "Active"
	ColScopeType        = "Scope Type"
	ColScopeValue       = "Scope Value"
	ColIngestLineId     = "Ingest Line ID"
)

// 99_EXCEPTION_LOG
const (
	ColExceptionSource = "Source"
	ColReasonCode      = "Reason Code"
	ColReference       = "Reference"
)
