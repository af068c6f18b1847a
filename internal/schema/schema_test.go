package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schoolsDDL = "CREATE TABLE frpm\n" +
	"(\n" +
	"    CDSCode                  TEXT not null primary key,\n" +
	"    `Academic Year`          TEXT null, -- school year\n" +
	"    `County Name`            TEXT null,\n" +
	"    `Free Meal Count (K-12)` REAL null,\n" +
	"    `Enrollment (K-12)`      REAL null,\n" +
	"    foreign key (CDSCode) references schools (CDSCode)\n" +
	");\n\n" +
	"CREATE TABLE satscores\n" +
	"(\n" +
	"    cds        TEXT not null primary key,\n" +
	"    sname      TEXT null,\n" +
	"    NumTstTakr INTEGER not null,\n" +
	"    foreign key (cds) references schools (CDSCode)\n" +
	");\n\n" +
	"CREATE TABLE schools\n" +
	"(\n" +
	"    CDSCode TEXT not null primary key,\n" +
	"    County  TEXT null,\n" +
	"    City    TEXT null\n" +
	");\n"

func TestExtract(t *testing.T) {
	refs, err := Extract("SELECT T1.sname FROM satscores AS T1 INNER JOIN frpm AS T2 ON T1.cds = T2.CDSCode WHERE T2.`County Name` = 'Alameda'")

	require.NoError(t, err)
	assert.Equal(t, []string{"frpm", "satscores"}, refs.TableNames())
	assert.Equal(t, []string{"cds", "cdscode", "county name", "sname"}, refs.ColumnNames())
}

func TestExtract_SQLiteSpellings(t *testing.T) {
	refs, err := Extract(`SELECT CAST(SUM("Free Meal Count (K-12)") AS REAL) / COUNT(*) FROM frpm WHERE "County Name" = 'it''s "quoted"'`)

	require.NoError(t, err)
	assert.Equal(t, []string{"frpm"}, refs.TableNames())
	assert.Equal(t, []string{"county name", "free meal count (k-12)"}, refs.ColumnNames())
}

func TestExtract_SubqueryAndUnion(t *testing.T) {
	refs, err := Extract(
		"SELECT City FROM schools WHERE CDSCode IN (SELECT cds FROM satscores WHERE NumTstTakr > 100)",
		"not sql at all",
		"",
	)

	require.NoError(t, err)
	assert.Equal(t, []string{"satscores", "schools"}, refs.TableNames())
	assert.Equal(t, []string{"cds", "cdscode", "city", "numtsttakr"}, refs.ColumnNames())
}

func TestExtract_NothingParses(t *testing.T) {
	_, err := Extract("SELEC nope", "")
	assert.True(t, errors.Is(err, ErrNoQuery), "got %v", err)
}

func TestWiden(t *testing.T) {
	refs, err := Extract("SELECT `County Name` FROM frpm")
	require.NoError(t, err)

	refs = refs.Widen([][]string{
		{"frpm.`County Name`", "schools.County"},
		{"satscores.sname", "schools.City"},
		{"frpm.CDSCode"},
	})

	assert.Equal(t, []string{"frpm", "schools"}, refs.TableNames())
	assert.Equal(t, []string{"county", "county name"}, refs.ColumnNames())
}

func TestPrune(t *testing.T) {
	refs, err := Extract("SELECT `Free Meal Count (K-12)` / `Enrollment (K-12)` FROM frpm WHERE `County Name` = 'Alameda'")
	require.NoError(t, err)

	got, err := Prune(schoolsDDL, refs)

	require.NoError(t, err)
	want := "CREATE TABLE frpm\n" +
		"(\n" +
		"    CDSCode                  TEXT not null primary key,\n" +
		"    `County Name`            TEXT null,\n" +
		"    `Free Meal Count (K-12)` REAL null,\n" +
		"    `Enrollment (K-12)`      REAL null\n" +
		");"
	assert.Equal(t, want, got)
}

func TestPrune_KeepsJoinKeysAndForeignKeysBetweenKeptTables(t *testing.T) {
	refs, err := Extract("SELECT T1.sname, T2.City FROM satscores AS T1 JOIN schools AS T2 ON T1.cds = T2.CDSCode")
	require.NoError(t, err)

	got, err := Prune(schoolsDDL, refs)

	require.NoError(t, err)
	assert.NotContains(t, got, "CREATE TABLE frpm")
	assert.Contains(t, got, "CREATE TABLE satscores")
	assert.Contains(t, got, "CREATE TABLE schools")
	assert.Contains(t, got, "foreign key (cds) references schools (CDSCode)")
	assert.NotContains(t, got, "NumTstTakr")
	assert.NotContains(t, got, "County")
}

func TestPrune_KeepsComments(t *testing.T) {
	refs := NewRefs()
	refs.Tables["frpm"] = true
	refs.Columns["academic year"] = true

	got, err := Prune(schoolsDDL, refs)

	require.NoError(t, err)
	assert.Contains(t, got, "`Academic Year`          TEXT null -- school year")
}

func TestPrune_SingleLineTable(t *testing.T) {
	refs, err := Extract("SELECT name FROM emp")
	require.NoError(t, err)

	got, err := Prune("CREATE TABLE emp (id INTEGER PRIMARY KEY, name TEXT, dept TEXT, unique_code TEXT, UNIQUE (dept, name))", refs)

	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE emp\n(\n    id INTEGER PRIMARY KEY,\n    name TEXT\n);", got)
}

func TestPrune_CountStarKeepsKeysOnly(t *testing.T) {
	refs, err := Extract("SELECT count(*) FROM schools")
	require.NoError(t, err)
	assert.False(t, refs.Star)

	got, err := Prune(schoolsDDL, refs)

	require.NoError(t, err)
	assert.Contains(t, got, "CDSCode TEXT not null primary key")
	assert.NotContains(t, got, "City")
}

func TestPrune_StarKeepsWholeTable(t *testing.T) {
	refs, err := Extract("SELECT * FROM schools WHERE County = 'Alameda'")
	require.NoError(t, err)
	assert.True(t, refs.Star)

	got, err := Prune(schoolsDDL, refs)

	require.NoError(t, err)
	assert.Contains(t, got, "City    TEXT null")
	assert.NotContains(t, got, "frpm")
}

func TestPrune_NoReferencedTable(t *testing.T) {
	refs, err := Extract("SELECT a FROM elsewhere")
	require.NoError(t, err)

	_, err = Prune(schoolsDDL, refs)
	assert.ErrorIs(t, err, ErrNoTables)

	_, err = Prune("free text schema description", refs)
	assert.ErrorIs(t, err, ErrNoTables)
}
