package handlers

import (
	"bytes"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// parsePart10Header reads just enough of a Part-10 DICOM stream to pull
// the identifying attributes STOW-RS needs to build its response, without
// the gateway caring about pixel data.
func parsePart10Header(data []byte) (sopClassUID, sopInstanceUID, transferSyntax string, err error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return "", "", "", fmt.Errorf("parsing STOW-RS part: %w", err)
	}

	sopClassUID = firstString(ds, tag.SOPClassUID)
	sopInstanceUID = firstString(ds, tag.SOPInstanceUID)
	transferSyntax = firstString(ds, tag.TransferSyntaxUID)
	if sopInstanceUID == "" {
		return "", "", "", fmt.Errorf("part has no SOPInstanceUID")
	}
	return sopClassUID, sopInstanceUID, transferSyntax, nil
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	if strs, ok := el.Value.GetValue().([]string); ok && len(strs) > 0 {
		return strs[0]
	}
	return ""
}
