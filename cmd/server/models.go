package main

import (
	"encoding/xml"
	"slices"
	"strings"
	"time"

	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/liamcoop/datadictionary/visibility"
)

// API request and response models. JSON is the default wire format; the
// xml tags serve clients asking for application/xml.

// DictionaryResponse is returned by the data, edge and description reads.
type DictionaryResponse struct {
	XMLName         xml.Name        `json:"-"`
	RequestID       string          `json:"requestId" xml:"requestId,attr"`
	Table           string          `json:"metadataTableName" xml:"metadataTableName,attr"`
	OperationTimeMS int64           `json:"operationTimeMS" xml:"operationTimeMS,attr"`
	TotalResults    int             `json:"totalResults" xml:"totalResults,attr"`
	Fields          []MetadataField `json:"metadataFields" xml:"MetadataFields>MetadataField"`
}

// MetadataField is one merged dictionary entry.
type MetadataField struct {
	DataType     string            `json:"dataType" xml:"dataType,attr"`
	FieldName    string            `json:"fieldName,omitempty" xml:"fieldName,attr,omitempty"`
	SourceField  string            `json:"sourceField,omitempty" xml:"sourceField,attr,omitempty"`
	TargetField  string            `json:"targetField,omitempty" xml:"targetField,attr,omitempty"`
	Relationship string            `json:"relationship,omitempty" xml:"relationship,attr,omitempty"`
	LastUpdated  time.Time         `json:"lastUpdated" xml:"lastUpdated,attr"`
	Descriptions []DescriptionBody `json:"descriptions,omitempty" xml:"Descriptions>Description"`
	Markings     map[string]string `json:"markings,omitempty" xml:"-"`
	ExtraInfo    map[string]string `json:"extraInfo,omitempty" xml:"-"`

	MarkingList   []KeyValue `json:"-" xml:"Markings>Marking"`
	ExtraInfoList []KeyValue `json:"-" xml:"ExtraInfo>Entry"`
}

// DescriptionBody is a description with its markings.
type DescriptionBody struct {
	Text        string            `json:"description" xml:",chardata"`
	Markings    map[string]string `json:"markings,omitempty" xml:"-"`
	MarkingList []KeyValue        `json:"-" xml:"Marking"`
}

// KeyValue renders a map entry in XML, which has no native map encoding.
type KeyValue struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// WriteResponse acknowledges a description mutation.
type WriteResponse struct {
	XMLName         xml.Name `json:"-" xml:"VoidResponse"`
	RequestID       string   `json:"requestId" xml:"requestId,attr"`
	Table           string   `json:"metadataTableName" xml:"metadataTableName,attr"`
	OperationTimeMS int64    `json:"operationTimeMS" xml:"operationTimeMS,attr"`
	Applied         int      `json:"applied" xml:"applied,attr"`
}

// ErrorResponse describes a failed request.
type ErrorResponse struct {
	XMLName   xml.Name `json:"-" xml:"ErrorResponse"`
	Error     string   `json:"error" xml:"error"`
	Details   string   `json:"details,omitempty" xml:"details,omitempty"`
	RequestID string   `json:"requestId,omitempty" xml:"requestId,attr,omitempty"`
}

// DescriptionRequest is one element of a JSON POST body.
type DescriptionRequest struct {
	DataType         string            `json:"datatype"`
	FieldName        string            `json:"fieldName"`
	Description      string            `json:"description"`
	Markings         map[string]string `json:"markings,omitempty"`
	ColumnVisibility string            `json:"columnVisibility,omitempty"`
}

// DescriptionsRequest is the JSON POST body for /Descriptions.
type DescriptionsRequest struct {
	Descriptions []DescriptionRequest `json:"descriptions"`
}

func (d DescriptionRequest) mutation() dictionary.DescriptionMutation {
	markings := visibility.Markings(d.Markings).Clone()
	if d.ColumnVisibility != "" {
		if markings == nil {
			markings = visibility.Markings{}
		}
		markings[visibility.ColumnVisibility] = d.ColumnVisibility
	}
	markings = markings.Normalize()
	return dictionary.DescriptionMutation{
		DescriptionKey: dictionary.DescriptionKey{
			DataType:  d.DataType,
			FieldName: d.FieldName,
			Markings:  markings,
		},
		Description: d.Description,
	}
}

func newDictionaryResponse(root string, resp *dictionary.Response) DictionaryResponse {
	out := DictionaryResponse{
		XMLName:         xml.Name{Local: root},
		RequestID:       resp.RequestID,
		Table:           resp.Table,
		OperationTimeMS: resp.OperationTime.Milliseconds(),
		TotalResults:    resp.Result.TotalResults,
		Fields:          make([]MetadataField, 0, len(resp.Result.Entries)),
	}
	for _, e := range resp.Result.Entries {
		out.Fields = append(out.Fields, newMetadataField(e))
	}
	return out
}

func newMetadataField(e dictionary.DictionaryEntry) MetadataField {
	f := MetadataField{
		DataType:      e.DataType,
		FieldName:     e.FieldName,
		LastUpdated:   e.LastUpdated,
		Markings:      e.Markings,
		ExtraInfo:     e.ExtraInfo,
		MarkingList:   keyValues(e.Markings),
		ExtraInfoList: keyValues(e.ExtraInfo),
	}
	if e.Edge != nil {
		f.SourceField = e.Edge.SourceField
		f.TargetField = e.Edge.TargetField
		f.Relationship = e.Edge.Relationship
	}
	for _, d := range e.Descriptions {
		f.Descriptions = append(f.Descriptions, DescriptionBody{
			Text:        d.Text,
			Markings:    d.Markings,
			MarkingList: keyValues(d.Markings),
		})
	}
	return f
}

func newWriteResponse(resp *dictionary.WriteResponse) WriteResponse {
	return WriteResponse{
		RequestID:       resp.RequestID,
		Table:           resp.Table,
		OperationTimeMS: resp.OperationTime.Milliseconds(),
		Applied:         resp.Applied,
	}
}

func keyValues[M ~map[string]string](m M) []KeyValue {
	if len(m) == 0 {
		return nil
	}
	out := make([]KeyValue, 0, len(m))
	for k, v := range m {
		out = append(out, KeyValue{Key: k, Value: v})
	}
	slices.SortFunc(out, func(a, b KeyValue) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}
