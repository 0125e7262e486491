package engine

import "encoding/json"

// Serialized* types are the engine-owned on-disk/wire format: raw cell
// content plus the structural metadata (sheets, tables, named
// expressions) needed to rebuild an Engine byte-for-byte, with computed
// values left out entirely - SerializeEngine captures *inputs*, and
// ResetToSerializedEngine recomputes every formula from scratch rather
// than trusting a stale cached value.
type SerializedEngine struct {
	Workbooks []SerializedWorkbook `json:"workbooks"`
	Names     []SerializedName     `json:"global_names,omitempty"`
}

type SerializedWorkbook struct {
	Name   string             `json:"name"`
	Sheets []SerializedSheet  `json:"sheets"`
	Tables []SerializedTable  `json:"tables,omitempty"`
	Names  []SerializedName   `json:"names,omitempty"`
}

type SerializedSheet struct {
	Name    string            `json:"name"`
	Content map[string]string `json:"content"` // A1 ref -> raw entered text
}

type SerializedTable struct {
	Name     string   `json:"name"`
	Sheet    string   `json:"sheet"`
	Headers  []string `json:"headers"`
	StartRow int      `json:"start_row"`
	StartCol int      `json:"start_col"`
	EndRow   int      `json:"end_row"`
	EndCol   int      `json:"end_col"`
}

// SerializedName tags its scope kind explicitly ("global", "workbook",
// "sheet") via a __type discriminator, since NameScope is a tagged
// union and JSON has no native union type.
type SerializedName struct {
	Type    string `json:"__type"`
	Sheet   string `json:"sheet,omitempty"`
	Name    string `json:"name"`
	Formula string `json:"formula"`
}

// SerializeEngine snapshots every workbook's structure and raw cell
// content into the wire format described above.
func (e *Engine) SerializeEngine() (SerializedEngine, error) {
	out := SerializedEngine{}

	for wbName, wb := range e.storage.workbooks {
		sw := SerializedWorkbook{Name: wbName}

		for _, sheetName := range wb.sheets.Names() {
			content, err := e.GetSheetSerialized(wbName, sheetName)
			if err != nil {
				return SerializedEngine{}, err
			}
			sw.Sheets = append(sw.Sheets, SerializedSheet{Name: sheetName, Content: content})
		}

		for _, sheetName := range wb.sheets.Names() {
			for _, t := range e.storage.tables.TablesOnSheet(wbName, sheetName) {
				sw.Tables = append(sw.Tables, serializeTable(t))
			}
		}

		for _, name := range wb.names.workbookNames {
			sw.Names = append(sw.Names, SerializedName{
				Type: "workbook", Name: name.Name, Formula: "=" + astToString(name.AST),
			})
		}
		for sheetName, names := range wb.names.sheetNames {
			for _, name := range names {
				sw.Names = append(sw.Names, SerializedName{
					Type: "sheet", Sheet: sheetName, Name: name.Name, Formula: "=" + astToString(name.AST),
				})
			}
		}

		out.Workbooks = append(out.Workbooks, sw)
	}

	for _, name := range e.storage.globalNames.workbookNames {
		out.Names = append(out.Names, SerializedName{
			Type: "global", Name: name.Name, Formula: "=" + astToString(name.AST),
		})
	}

	return out, nil
}

func serializeTable(t *TableDef) SerializedTable {
	return SerializedTable{
		Name: t.Name, Sheet: t.Sheet, Headers: append([]string(nil), t.Headers...),
		StartRow: t.StartRow, StartCol: t.StartCol, EndRow: t.EndRow, EndCol: t.EndCol,
	}
}

// ResetToSerializedEngine discards all current engine state and rebuilds
// it from snap: global names first, then workbook by workbook its
// sheets, tables, names and raw content, then one engine-wide recompute
// so references into workbooks restored later are evaluated against the
// complete state.
func (e *Engine) ResetToSerializedEngine(snap SerializedEngine) error {
	e.storage = NewStorage()

	for _, name := range snap.Names {
		if name.Type != "global" {
			continue
		}
		e.storage.globalNames.DefineWorkbook(name.Name, Parse(name.Formula[1:]))
	}

	for _, sw := range snap.Workbooks {
		if err := e.AddWorkbook(AddWorkbookRequest{Name: sw.Name}); err != nil {
			return err
		}
		for _, ss := range sw.Sheets {
			if err := e.AddSheet(AddSheetRequest{Workbook: sw.Name, Name: ss.Name}); err != nil {
				return err
			}
		}
		wb, _ := e.storage.Workbook(sw.Name)
		for _, t := range sw.Tables {
			e.storage.tables.Add(&TableDef{
				Name: t.Name, Workbook: sw.Name, Sheet: t.Sheet, Headers: t.Headers,
				StartRow: t.StartRow, StartCol: t.StartCol, EndRow: t.EndRow, EndCol: t.EndCol,
			})
		}
		for _, name := range sw.Names {
			ast := Parse(name.Formula[1:])
			switch name.Type {
			case "workbook":
				wb.names.DefineWorkbook(name.Name, ast)
			case "sheet":
				wb.names.DefineSheet(name.Sheet, name.Name, ast)
			}
		}
		for _, ss := range sw.Sheets {
			if err := e.SetSheetContent(sw.Name, ss.Name, ss.Content); err != nil {
				return err
			}
		}
	}

	e.recomputeAll()
	return nil
}

// ToJSON/SerializedEngineFromJSON are convenience wrappers so a host can persist a
// SerializedEngine with the standard library directly.
func (s SerializedEngine) ToJSON() ([]byte, error) { return json.Marshal(s) }

func SerializedEngineFromJSON(data []byte) (SerializedEngine, error) {
	var out SerializedEngine
	err := json.Unmarshal(data, &out)
	return out, err
}
