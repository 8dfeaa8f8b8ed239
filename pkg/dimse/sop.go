package dimse

// Well-known SOP class UIDs this gateway negotiates, PS3.4.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"

	StudyRootFindSOPClass = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMoveSOPClass = "1.2.840.10008.5.1.4.1.2.2.2"

	PatientRootFindSOPClass = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMoveSOPClass = "1.2.840.10008.5.1.4.1.2.1.2"
)

// StorageSOPClasses lists the composite IOD storage SOP classes this
// gateway proposes for C-STORE, PS3.4 Annex B.5. A store-SCU association
// must negotiate a presentation context per abstract syntax it intends to
// send (PS3.8 7.1.1.13), so STOW-RS can only push an instance of a modality
// whose storage class is in this list.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.7",      // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.1",      // Computed Radiography Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",    // Digital X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.1.1.1",  // Digital X-Ray Image Storage - For Processing
	"1.2.840.10008.5.1.4.1.1.2",      // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",    // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4",      // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",    // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",    // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.20",     // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.128",    // Positron Emission Tomography Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1",  // RT Image Storage
	"1.2.840.10008.5.1.4.1.1.104.1",  // Encapsulated PDF Storage
	"1.2.840.10008.5.1.4.1.1.77.1.4", // VL Photographic Image Storage
}

// Transfer syntax UIDs, PS3.5 Annex A. "Uncompressed" is the default
// policy (§4.2): only raw/explicit little/big endian are proposed unless
// the caller selects "broad", which adds the common compressed syntaxes.
const (
	TransferSyntaxImplicitVRLittleEndian = "1.2.840.10008.1.2"
	TransferSyntaxExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	TransferSyntaxExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	TransferSyntaxJPEGBaseline            = "1.2.840.10008.1.2.4.50"
	TransferSyntaxJPEGLosslessSV1         = "1.2.840.10008.1.2.4.70"
	TransferSyntaxJPEG2000Lossless        = "1.2.840.10008.1.2.4.90"
	TransferSyntaxRLELossless             = "1.2.840.10008.1.2.5"
)

// TransferSyntaxPolicy selects which transfer syntaxes an association
// proposes for data-bearing presentation contexts.
type TransferSyntaxPolicy int

const (
	PolicyUncompressedOnly TransferSyntaxPolicy = iota
	PolicyBroad
)

// TransferSyntaxesFor returns the ordered transfer syntax proposal list
// for a policy.
func TransferSyntaxesFor(policy TransferSyntaxPolicy) []string {
	base := []string{TransferSyntaxExplicitVRLittleEndian, TransferSyntaxImplicitVRLittleEndian, TransferSyntaxExplicitVRBigEndian}
	if policy == PolicyUncompressedOnly {
		return base
	}
	return append(base, TransferSyntaxJPEGLosslessSV1, TransferSyntaxJPEG2000Lossless, TransferSyntaxJPEGBaseline, TransferSyntaxRLELossless)
}
