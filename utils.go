package dicomnet

import (
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

func doassert(x bool) {
	if !x {
		panic("assertion failed")
	}
}

// GetTransferSyntaxUIDInBytes parses the beginning of "bytes" as a DICOM
// file and extracts its TransferSyntaxUID.
func GetTransferSyntaxUIDInBytes(bytes []byte) (string, error) {
	decoder := dicomio.NewBytesDecoder(bytes, nil, dicomio.UnknownVR)
	meta := dicom.ParseFileHeader(decoder)
	if decoder.Error() != nil {
		return "", decoder.Error()
	}
	elem, err := dicom.LookupElementByTag(meta, dicom.TagTransferSyntaxUID)
	if err != nil {
		return "", err
	}
	return elem.GetString()
}

// ReadElementsInBytes decodes a sequence of data elements encoded in the
// given transfer syntax. Useful in CStoreCallback implementations, whose
// data argument is in this format.
func ReadElementsInBytes(data []byte, transferSyntaxUID string) ([]*dicom.Element, error) {
	decoder := dicomio.NewBytesDecoderWithTransferSyntax(data, transferSyntaxUID)
	var elems []*dicom.Element
	for decoder.Len() > 0 {
		elem := dicom.ReadDataElement(decoder)
		if decoder.Error() != nil {
			break
		}
		elems = append(elems, elem)
	}
	if decoder.Error() != nil {
		return nil, decoder.Error()
	}
	return elems, nil
}
